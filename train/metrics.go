package train

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openfluke/scdag/loss"
)

// ScalarsFile is the per-run scalar log inside the run directory.
const ScalarsFile = "scalars.jsonl"

// Record is one line of the scalar log.
type Record struct {
	Time    time.Time          `json:"time"`
	Round   int                `json:"round"`
	Epoch   int                `json:"epoch"`
	Step    int                `json:"step"`
	Loss    float64            `json:"loss"`
	Terms   map[string]float64 `json:"terms"`
	H       float64            `json:"h"`
	Lambda  float64            `json:"lambda_a"`
	Penalty float64            `json:"penalty_a"`
}

func newRecord(round, epoch, step int, obj loss.Objective, h float64, m loss.Multipliers) Record {
	terms := make(map[string]float64, len(obj))
	for _, t := range obj {
		terms[t.Name] = t.Value
	}
	return Record{
		Time:    time.Now(),
		Round:   round,
		Epoch:   epoch,
		Step:    step,
		Loss:    obj.Total(),
		Terms:   terms,
		H:       h,
		Lambda:  m.Lambda,
		Penalty: m.Penalty,
	}
}

// RunLog appends scalar records to <base>/<unix-time>-<run-id>/scalars.jsonl.
// Each record is flushed as it is written.
type RunLog struct {
	ID  string
	Dir string

	f   *os.File
	enc *json.Encoder
}

// OpenRunLog creates a fresh run directory under base.
func OpenRunLog(base string, now time.Time) (*RunLog, error) {
	id := uuid.NewString()
	dir := filepath.Join(base, strconv.FormatInt(now.Unix(), 10)+"-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}
	f, err := os.Create(filepath.Join(dir, ScalarsFile))
	if err != nil {
		return nil, errors.Wrap(err, "create scalar log")
	}
	return &RunLog{ID: id, Dir: dir, f: f, enc: json.NewEncoder(f)}, nil
}

func (l *RunLog) Write(r Record) error {
	return errors.Wrap(l.enc.Encode(r), "write scalar record")
}

func (l *RunLog) Close() error {
	return l.f.Close()
}
