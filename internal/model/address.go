package model

import "sort"

// Address identifies a cluster member. Two addresses are equal when their
// string forms are equal, which keeps them stable across the wire.
type Address string

// String returns the address in its wire form
func (a Address) String() string {
	return string(a)
}

// SortAddresses returns a sorted copy of the given addresses with duplicates removed
func SortAddresses(addrs []Address) []Address {
	seen := make(map[Address]bool, len(addrs))
	sorted := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

// ContainsAddress reports whether addr is present in addrs
func ContainsAddress(addrs []Address, addr Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// AddressesEqual compares two owner lists element by element
func AddressesEqual(a, b []Address) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AddressStrings converts a list of addresses into plain strings
func AddressStrings(addrs []Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

// ParseAddresses converts plain strings into addresses
func ParseAddresses(values []string) []Address {
	out := make([]Address, len(values))
	for i, v := range values {
		out[i] = Address(v)
	}
	return out
}
