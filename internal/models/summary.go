package models

import "encoding/json"

// IOCSet groups extracted indicators of compromise by category.
type IOCSet struct {
	MD5     []string `json:"md5"`
	SHA1    []string `json:"sha1"`
	SHA256  []string `json:"sha256"`
	IPs     []string `json:"ips"`
	Domains []string `json:"domains"`
}

// IsEmpty reports whether no indicators were found in any category.
func (s IOCSet) IsEmpty() bool {
	return len(s.MD5) == 0 && len(s.SHA1) == 0 && len(s.SHA256) == 0 &&
		len(s.IPs) == 0 && len(s.Domains) == 0
}

// Summary is the structured pipeline output stored as a JSON blob on the
// article row and rendered into the published note.
type Summary struct {
	Title        string   `json:"title,omitempty"`
	Summary      string   `json:"summary"`
	ThreatGroups []string `json:"threat_groups,omitempty"`
	TTP          []string `json:"ttp,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	IOCs         *IOCSet  `json:"iocs,omitempty"`
	FilteredOut  bool     `json:"filtered_out"`
}

// Encode marshals the summary for storage on the article row.
func (s Summary) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
