package scanner

import (
	"time"

	"github.com/djherbis/times"
)

type fileTimes struct {
	modTime    time.Time
	changeTime *time.Time
	birthTime  *time.Time
}

// statTimes reports the timestamps the platform exposes. Change and birth
// times are nil where unsupported.
func statTimes(path string) (fileTimes, error) {
	ts, err := times.Stat(path)
	if err != nil {
		return fileTimes{}, err
	}
	result := fileTimes{modTime: ts.ModTime().UTC()}
	if ts.HasChangeTime() {
		ct := ts.ChangeTime().UTC()
		result.changeTime = &ct
	}
	if ts.HasBirthTime() {
		bt := ts.BirthTime().UTC()
		result.birthTime = &bt
	}
	return result, nil
}
