package models

import "strings"

// DID is a decentralized identifier: a UTF-8 string beginning with "did:".
// Canonical() strips any trailing "#fragment" used to address a specific
// device, so admin actions can apply per-user while delivery and
// key-package accounting apply per-device via the fragment form.
type DID string

// Canonical returns d with any "#fragment" suffix stripped.
func (d DID) Canonical() DID {
	if idx := strings.IndexByte(string(d), '#'); idx >= 0 {
		return d[:idx]
	}
	return d
}

// DeviceID returns the fragment portion of a device-form DID, or "" if d
// is a bare (user-form) DID.
func (d DID) DeviceID() string {
	if idx := strings.IndexByte(string(d), '#'); idx >= 0 {
		return string(d[idx+1:])
	}
	return ""
}

// IsDeviceForm reports whether d carries a "#deviceUuid" fragment.
func (d DID) IsDeviceForm() bool {
	return strings.IndexByte(string(d), '#') >= 0
}

// WithDevice returns the device-form DID for user u and device id.
func WithDevice(u DID, deviceID string) DID {
	if deviceID == "" {
		return u.Canonical()
	}
	return u.Canonical() + DID("#"+deviceID)
}

// Valid reports whether d is a syntactically plausible DID: non-empty and
// beginning with the "did:" scheme.
func (d DID) Valid() bool {
	return strings.HasPrefix(string(d), "did:") && len(d) > len("did:")
}

// String implements fmt.Stringer.
func (d DID) String() string { return string(d) }

// Equivalent reports whether a and b name the same identity, comparing
// canonical forms byte-for-byte (case-sensitive).
func Equivalent(a, b DID) bool {
	return a.Canonical() == b.Canonical()
}
