package model

// VirtualNode represents a virtual node on the hash ring
type VirtualNode struct {
	VNodeID string
	Hash    uint64
	Owner   Address
}

// DataLocality describes how a key relates to the local node under the
// currently installed hash.
type DataLocality int

const (
	// LocalityLocal means the key is owned locally and no rehash is running
	LocalityLocal DataLocality = iota
	// LocalityNotLocal means the key is owned elsewhere and no rehash is running
	LocalityNotLocal
	// LocalityLocalUncertain means the key looks local but ownership is in flux
	LocalityLocalUncertain
	// LocalityNotLocalUncertain means the key looks remote but ownership is in flux
	LocalityNotLocalUncertain
)

// IsLocal reports whether the key should be treated as locally owned
func (l DataLocality) IsLocal() bool {
	return l == LocalityLocal || l == LocalityLocalUncertain
}

// IsUncertain reports whether a rehash may still change the answer
func (l DataLocality) IsUncertain() bool {
	return l == LocalityLocalUncertain || l == LocalityNotLocalUncertain
}

func (l DataLocality) String() string {
	switch l {
	case LocalityLocal:
		return "LOCAL"
	case LocalityNotLocal:
		return "NOT_LOCAL"
	case LocalityLocalUncertain:
		return "LOCAL_UNCERTAIN"
	case LocalityNotLocalUncertain:
		return "NOT_LOCAL_UNCERTAIN"
	default:
		return "UNKNOWN"
	}
}
