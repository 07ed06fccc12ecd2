package metrics

const (
	LabelFaultKind  = "fault_kind"
	LabelBallotKind = "ballot_kind"
)
