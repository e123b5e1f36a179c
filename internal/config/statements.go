package config

// Names of the mapped statements a job file provides under "statements".
const (
	StmtConfigureParallel    = "configureParallelSettings"
	StmtDropTargetList       = "dropTargetList"
	StmtCreateTargetList     = "createTargetList"
	StmtDropPartitionTable   = "dropPartitionTable"
	StmtCreatePartitionTable = "createPartitionTable"
	StmtDeleteResults        = "deleteRuleResult"
	StmtDropResultTmp        = "dropResultTmp"
	StmtCreateResultTmp      = "createResultTmp"
	StmtSelectTargetList     = "selectTargetList"
	StmtSelectTargetPage     = "selectTargetPage"
	StmtInsertRuleResult     = "insertRuleResult"
	StmtCountResults         = "selectResultCount"
	StmtInsertWorkHistory    = "insertWorkHistory"
	StmtUpdateJobResult      = "updateJobResult"
	StmtInsertSms            = "insertSms"
	StmtUpdateRexePosbl      = "updateRexePosblYn"
)

// RequiredStatements lists the statements a job cannot run without.
// The remaining names are optional and skipped when absent.
func RequiredStatements(mode, strategy string) []string {
	req := []string{
		StmtDropTargetList,
		StmtCreateTargetList,
		StmtDropResultTmp,
		StmtCreateResultTmp,
		StmtInsertRuleResult,
		StmtCountResults,
	}
	if strategy != StrategyHash {
		req = append(req, StmtDropPartitionTable, StmtCreatePartitionTable)
	}
	if mode == ModePaging {
		req = append(req, StmtSelectTargetPage)
	} else {
		req = append(req, StmtSelectTargetList)
	}
	return req
}
