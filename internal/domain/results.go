package domain

// CommunityStats aggregates fraud statistics for one detected community.
type CommunityStats struct {
	CommunityID int     `json:"communityId"`
	PersonCount int     `json:"personCount"`
	TxTotal     int     `json:"txTotal"`
	TxFraud     int     `json:"txFraud"`
	FraudRate   float64 `json:"fraudRate"`
}

// PersonRiskSummary holds per-person fraud statistics. CommunityID is nil
// for persons outside every detected community.
type PersonRiskSummary struct {
	PersonID    string  `json:"personId"`
	CommunityID *int    `json:"communityId,omitempty"`
	TxTotal     int     `json:"txTotal"`
	TxFraud     int     `json:"txFraud"`
	FraudRate   float64 `json:"fraudRate"`
}

// CommunitySummary is the full case file for one community: aggregate
// statistics plus the most implicated members.
type CommunitySummary struct {
	CommunityStats
	TopMembers []PersonRiskSummary `json:"topMembers"`
}

// ArtifactEvidence describes one shared resource binding a community: how
// many distinct members touched it and across how many transactions.
type ArtifactEvidence struct {
	ArtifactID  string `json:"artifactId"`
	PersonCount int    `json:"personCount"`
	TxCount     int    `json:"txCount"`
}

// NeighborEvidence explains a single linkage edge from the perspective of
// one person: who they are linked to and why.
type NeighborEvidence struct {
	PersonID      string `json:"personId"`
	SharedDevice  int    `json:"sharedDevice"`
	SharedIP      int    `json:"sharedIp"`
	SharedCard    int    `json:"sharedCard"`
	SharedAddress int    `json:"sharedAddress"`
	Weight        int    `json:"weight"`
}
