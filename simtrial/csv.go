package simtrial

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kshedden/dstream/dstream"
	"golang.org/x/exp/rand"
)

// Header is the column layout of the persisted trial.
var Header = []string{"x", "trt", "rep", "dead", "alive"}

// WriteCSV writes the rows of ds in order.  Output is byte-for-byte
// reproducible for identical datasets.
func WriteCSV(w io.Writer, ds *Dataset) error {

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	rec := make([]string, len(Header))
	for _, r := range ds.Rows {
		rec[0] = strconv.FormatFloat(r.X, 'g', -1, 64)
		rec[1] = r.Treatment
		rec[2] = strconv.Itoa(r.Replicate)
		rec[3] = strconv.Itoa(r.Dead)
		rec[4] = strconv.Itoa(r.Alive)
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCriticalDoses writes the true critical dose of every treatment,
// sorted by label.
func WriteCriticalDoses(w io.Writer, ds *Dataset) error {

	labels := make([]string, 0, len(ds.CriticalDose))
	for k := range ds.CriticalDose {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"trt", "critical_dose"}); err != nil {
		return err
	}
	for _, k := range labels {
		v := strconv.FormatFloat(ds.CriticalDose[k], 'g', -1, 64)
		if err := cw.Write([]string{k, v}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// csvChunk is the number of rows read at a time.
const csvChunk = 4096

// ReadCSV loads rows written by WriteCSV.  The generating effects are
// not stored in the file, so the truth fields of the result are nil.
func ReadCSV(r io.Reader) (ds *Dataset, err error) {

	// The csv stream panics on malformed input.
	defer func() {
		if p := recover(); p != nil {
			ds, err = nil, fmt.Errorf("read csv: %v", p)
		}
	}()

	// All columns are read as text without a header, so that the
	// header can be checked and the counts parsed strictly.
	types := make([]dstream.VarType, len(Header))
	for j, h := range Header {
		types[j] = dstream.VarType{Name: h, Type: dstream.String}
	}
	da := dstream.FromCSV(r).SetTypes(types).ChunkSize(csvChunk).Done()

	ds = &Dataset{ReplicateTreatment: make(map[int]string)}

	line := 0
	rec := make([]string, len(Header))
	for da.Next() {
		cols := make([][]string, len(Header))
		for j := range cols {
			cols[j] = da.GetPos(j).([]string)
		}

		for i := range cols[0] {
			line++
			for j := range rec {
				rec[j] = cols[j][i]
			}

			if line == 1 {
				for j, h := range Header {
					if strings.TrimSpace(rec[j]) != h {
						return nil, fmt.Errorf("column %d is %q, expected %q", j+1, rec[j], h)
					}
				}
				continue
			}

			row, err := parseRow(rec, line)
			if err != nil {
				return nil, err
			}

			n := row.Dead + row.Alive
			if ds.Trials == 0 {
				ds.Trials = n
			} else if n != ds.Trials {
				return nil, fmt.Errorf("line %d: %d trials, earlier rows have %d", line, n, ds.Trials)
			}

			if t, ok := ds.ReplicateTreatment[row.Replicate]; ok && t != row.Treatment {
				return nil, fmt.Errorf("line %d: replicate %d belongs to %s and %s", line, row.Replicate, t, row.Treatment)
			}
			ds.ReplicateTreatment[row.Replicate] = row.Treatment

			ds.Rows = append(ds.Rows, row)
		}
	}

	if len(ds.Rows) == 0 {
		return nil, errors.New("no data rows")
	}

	return ds, nil
}

// parseRow converts one record of a trial file.
func parseRow(rec []string, line int) (Row, error) {

	var row Row
	var err error
	if row.X, err = strconv.ParseFloat(rec[0], 64); err != nil {
		return row, fmt.Errorf("line %d: x: %w", line, err)
	}
	row.Treatment = rec[1]
	if row.Replicate, err = strconv.Atoi(rec[2]); err != nil {
		return row, fmt.Errorf("line %d: rep: %w", line, err)
	}
	if row.Dead, err = strconv.Atoi(rec[3]); err != nil {
		return row, fmt.Errorf("line %d: dead: %w", line, err)
	}
	if row.Alive, err = strconv.Atoi(rec[4]); err != nil {
		return row, fmt.Errorf("line %d: alive: %w", line, err)
	}
	if row.Dead < 0 || row.Alive < 0 {
		return row, fmt.Errorf("line %d: negative count", line)
	}

	return row, nil
}

// WriteFile writes ds as CSV to path.  The data go to a temporary file
// in the same directory which is then renamed, so path is either
// complete or absent.
func WriteFile(path string, ds *Dataset) error {

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, ds); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// GenerateFile generates a trial and writes it to path.  Nothing is
// written when the parameters are invalid.
func GenerateFile(path string, p Params, src rand.Source) (*Dataset, error) {

	ds, err := Generate(p, src)
	if err != nil {
		return nil, err
	}

	if err := WriteFile(path, ds); err != nil {
		return nil, err
	}

	log.Infof("wrote %d rows to %s", len(ds.Rows), path)
	return ds, nil
}
