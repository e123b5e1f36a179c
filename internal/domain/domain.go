// Package domain holds the rows a rule-check run reads and writes.
//
// TxnItem is one row of the target list built by the pre-step. CheckResult
// is one rule outcome for an item, written to the result table. Struct tags
// name the database columns: `db` is read by pgx row scanning and by the
// sink projection.
package domain

import (
	"fmt"
	"strconv"
	"strings"

	"ruleetl/internal/rules"
)

// TxnItem is a service contract selected for checking.
type TxnItem struct {
	BaseDate                  string  `db:"base_date"`
	WrkjobYm                  string  `db:"wrkjob_ym"`
	BaseYm                    string  `db:"base_ym"`
	SvcContID                 string  `db:"svc_cont_id"`
	EvOccDt                   string  `db:"ev_occ_dt"`
	SbscDivCd                 string  `db:"sbsc_div_cd"`
	SvcContDivCd              string  `db:"svc_cont_div_cd"`
	WrkjobScope               string  `db:"wrkjob_scope"`
	AdmOrgID                  string  `db:"adm_org_id"`
	CpntID                    string  `db:"cpnt_id"`
	SameNflVqntCircuitCnt     float64 `db:"same_nfl_vqnt_circuit_cnt"`
	SameNflMyshVqntCircuitCnt float64 `db:"same_nfl_mysh_vqnt_circuit_cnt"`
	CustBthdayDate            string  `db:"cust_bthday_date"`
	CrcltShoNflrYn            string  `db:"crclt_sho_nflr_yn"`
	NewIcgDt                  string  `db:"new_icg_dt"`
	NpayTmscnt                float64 `db:"npay_tmscnt"`
	NpayAmt                   float64 `db:"npay_amt"`
}

// Key identifies the item in logs and for hash partitioning.
func (t TxnItem) Key() string { return t.SvcContID }

// CheckResult is one rule outcome.
type CheckResult struct {
	BaseDate    string `db:"base_date"`
	BaseYm      string `db:"base_ym"`
	SvcContID   string `db:"svc_cont_id"`
	AdmOrgID    string `db:"adm_org_id"`
	CpntID      string `db:"cpnt_id"`
	RuleID      string `db:"rule_id"`
	ChkItemCd   string `db:"chk_item_cd"`
	ChkResltCd  string `db:"chk_reslt_cd"`
	ChkResltVal string `db:"chk_reslt_val"`
	ChkResltMsg string `db:"chk_reslt_msg"`
	RegUser     string `db:"reg_user"`
	RegDate     string `db:"reg_date"`
	UpdUser     string `db:"upd_user"`
	UpdDate     string `db:"upd_date"`
}

// ParamsOf builds the rule parameter bag for an item. Names are the item's
// column names; the work scope travels as chk_scope_val.
func ParamsOf(t TxnItem) rules.Params {
	return rules.Params{}.
		String("base_date", t.BaseDate).
		String("wrkjob_ym", t.WrkjobYm).
		String("base_ym", t.BaseYm).
		String("svc_cont_id", t.SvcContID).
		String("ev_occ_dt", t.EvOccDt).
		String("sbsc_div_cd", t.SbscDivCd).
		String("svc_cont_div_cd", t.SvcContDivCd).
		String("chk_scope_val", t.WrkjobScope).
		String("adm_org_id", t.AdmOrgID).
		String("cpnt_id", t.CpntID).
		Number("same_nfl_vqnt_circuit_cnt", t.SameNflVqntCircuitCnt).
		Number("same_nfl_mysh_vqnt_circuit_cnt", t.SameNflMyshVqntCircuitCnt).
		String("cust_bthday_date", t.CustBthdayDate).
		String("crclt_sho_nflr_yn", t.CrcltShoNflrYn).
		String("new_icg_dt", t.NewIcgDt).
		Number("npay_tmscnt", t.NpayTmscnt).
		Number("npay_amt", t.NpayAmt)
}

// NewResult seeds a result with the item's identifying columns.
func NewResult(t TxnItem, ruleID string) CheckResult {
	return CheckResult{
		BaseDate:  t.BaseDate,
		BaseYm:    t.BaseYm,
		SvcContID: t.SvcContID,
		AdmOrgID:  t.AdmOrgID,
		CpntID:    t.CpntID,
		RuleID:    ruleID,
	}
}

// MergeColumn copies one normalized rule output column into r. Columns the
// result does not carry are ignored.
func MergeColumn(r *CheckResult, column string, value any) {
	s := text(value)
	switch column {
	case "chk_item_cd":
		r.ChkItemCd = s
	case "chk_reslt_cd", "chk_result_cd":
		r.ChkResltCd = s
	case "chk_reslt_val", "chk_result_val":
		r.ChkResltVal = s
	case "chk_reslt_msg", "chk_result_msg", "message":
		r.ChkResltMsg = s
	case "svc_cont_id":
		if s != "" {
			r.SvcContID = s
		}
	case "adm_org_id":
		if s != "" {
			r.AdmOrgID = s
		}
	case "cpnt_id":
		if s != "" {
			r.CpntID = s
		}
	}
}

// text renders a decoded JSON value as column text. Whole numbers print
// without a fraction.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "Y"
		}
		return "N"
	default:
		return fmt.Sprint(x)
	}
}
