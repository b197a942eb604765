package statelog

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const durableMetaSuffix = ".durable"

// durableSidecar persists the durable commit position for a StateLog,
// grounded on commitLog.checkpointHW's use of natefinch/atomic to
// rewrite a small metadata file without risking a torn write.
type durableSidecar struct {
	path string
}

func newDurableSidecar(dir, base string) *durableSidecar {
	return &durableSidecar{path: filepath.Join(dir, base+durableMetaSuffix)}
}

func (d *durableSidecar) read() (Position, error) {
	b, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "read durable commit sidecar failed")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse durable commit sidecar failed")
	}
	return Position(v), nil
}

func (d *durableSidecar) write(pos Position) error {
	r := strings.NewReader(strconv.FormatUint(uint64(pos), 10))
	return errors.Wrap(atomicfile.WriteFile(d.path, r), "write durable commit sidecar failed")
}
