package scanner

import "leakwatch/model"

// ResultSink receives every file result of every job, successful or not.
type ResultSink interface {
	WriteFileResult(result model.FileResult) error
	WriteJobSummary(job model.ScanJob) error
}

type discardSink struct{}

func (discardSink) WriteFileResult(model.FileResult) error { return nil }
func (discardSink) WriteJobSummary(model.ScanJob) error    { return nil }
