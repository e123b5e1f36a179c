package ruleprep

import (
	"context"
	"errors"
	"log"

	"ruleetl/internal/config"
	"ruleetl/internal/job"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// countPrinter formats the result count of the SMS notice ("1,234").
var countPrinter = message.NewPrinter(language.Korean)

// After records the outcome of the run. Every write is best-effort: failures
// are logged and returned joined, but never change the job status.
func (s *Steps) After(ctx context.Context, x *job.Execution) error {
	param1, batchID := x.Param("param1"), x.Param("batchId")
	rexe := x.Param("rexePosblYn")
	log.Printf("ruleprep: after batchId=%q param1=%q chkScopeVal=%q rexePosblYn=%q",
		batchID, param1, x.Param("chkScopeVal"), rexe)

	var (
		errs    []error
		count   int64
		updRexe string
	)
	if !x.Failed() {
		if param1 != "" && rexe == "N" {
			x.SetResult(job.ResultFail)
			updRexe = rexe
		} else {
			x.SetResult(job.ResultSuccess)
			n, err := s.store.QueryInt(ctx, config.StmtCountResults, withExtra(x))
			if err != nil {
				log.Printf("ruleprep: %s failed: %v", config.StmtCountResults, err)
				errs = append(errs, err)
			}
			count = n
		}
	}
	result := x.Result()

	errs = append(errs, s.optional(ctx, config.StmtUpdateJobResult,
		withExtra(x, "execResult", result, "rexePosblYn", updRexe)))

	success := "Y"
	if result == job.ResultFail {
		errs = append(errs, s.optional(ctx, config.StmtInsertWorkHistory,
			workHistory(x, 0, "E", "check base date (work month) or re-execution flag")))
		success = "N"
	} else {
		errs = append(errs, s.optional(ctx, config.StmtInsertWorkHistory,
			workHistory(x, count, "F", batchID+" end")))
		if count == 0 {
			success = "N"
		}
	}

	if success == "N" {
		log.Printf("ruleprep: sending failure notice result=%s count=%d", result, count)
		errs = append(errs, s.optional(ctx, config.StmtInsertSms, withExtra(x,
			"rstCnt", countPrinter.Sprintf("%d", count),
			"jobName", s.cfg.Name,
			"jobNameKR", s.displayName(x),
			"successYN", success,
		)))
	}

	if monthStart(param1) {
		log.Printf("ruleprep: param1 day=%s; updating monthly re-execution flag", param1[6:8])
		errs = append(errs, s.optional(ctx, config.StmtUpdateRexePosbl, withExtra(x)))
	}

	log.Printf("ruleprep: result=%s registered=%d written=%d", result, count, x.Written())
	return errors.Join(errs...)
}

func (s *Steps) displayName(x *job.Execution) string {
	if n := x.Param("jobNameKR"); n != "" {
		return n
	}
	return s.cfg.Name
}

// monthStart reports whether a yyyymmdd date falls on day 01 or 02.
func monthStart(yyyymmdd string) bool {
	if len(yyyymmdd) < 8 {
		return false
	}
	d := yyyymmdd[6:8]
	return d == "01" || d == "02"
}
