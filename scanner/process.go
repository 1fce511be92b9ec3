package scanner

import (
	"context"
	"errors"
	"io/fs"

	"github.com/h2non/filetype"
	"golang.org/x/time/rate"

	"leakwatch/hasher"
	"leakwatch/logger"
	"leakwatch/model"
	"leakwatch/policy"
	"leakwatch/tracing"
)

const mimeSniffBytes = 261

// fileEvaluator turns one eligible file into a FileResult. The rule snapshot
// is fixed for the lifetime of a job.
type fileEvaluator struct {
	jobID       string
	engine      *policy.Engine
	reader      *ContentReader
	rules       []policy.Rule
	evalOpts    policy.Options
	maxFileSize int64
	limiter     *rate.Limiter

	reportedRuleErrors map[string]struct{}
}

// evaluate only returns an error when ctx ends while waiting for the IO
// limiter; per-file problems are reported on the result.
func (e *fileEvaluator) evaluate(ctx context.Context, path string, info fs.FileInfo) (model.FileResult, error) {
	ctx, endTask := tracing.StartTask(ctx, "evaluate_file")
	tracing.Log(ctx, "file", path)
	defer endTask()

	result := model.FileResult{
		JobID:   e.jobID,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
	}
	if e.maxFileSize > 0 && info.Size() > e.maxFileSize {
		logger.Debugf("Skipping large file %s", path)
		result.Error = ErrFileTooLarge.Error()
		return result, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return result, err
		}
	}

	endRegion := tracing.StartRegion(ctx, "read_file")
	content, err := e.reader.Read(path, e.maxFileSize)
	endRegion()
	if err != nil {
		if !errors.Is(err, ErrFileTooLarge) {
			logger.Warnf("Failed to read file %s: %v", path, err)
		}
		result.Error = err.Error()
		return result, nil
	}
	result.Size = int64(len(content))

	if ts, err := statTimes(path); err == nil {
		result.ModTime = ts.modTime
		result.ChangeTime = ts.changeTime
		result.BirthTime = ts.birthTime
	}
	result.MimeType = sniffMimeType(content)
	result.Digest = hasher.Digest(content)

	endRegion = tracing.StartRegion(ctx, "evaluate_rules")
	eval := e.engine.Evaluate(string(content), e.rules, e.evalOpts)
	endRegion()

	for _, ruleErr := range eval.Errors {
		if _, seen := e.reportedRuleErrors[ruleErr.RuleID]; seen {
			continue
		}
		e.reportedRuleErrors[ruleErr.RuleID] = struct{}{}
		logger.Warnf("Rule %s failed during job %s: %s", ruleErr.RuleID, e.jobID, ruleErr.Error)
	}

	result.Success = true
	result.RulesMatched = eval.RulesMatched
	result.MatchCount = eval.TotalMatches
	for _, res := range eval.MatchedResults() {
		result.Matches = append(result.Matches, res.Matches...)
	}
	return result, nil
}

func sniffMimeType(content []byte) string {
	head := content
	if len(head) > mimeSniffBytes {
		head = head[:mimeSniffBytes]
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		if LooksBinary(content) {
			return "application/octet-stream"
		}
		return "text/plain"
	}
	return kind.MIME.Value
}
