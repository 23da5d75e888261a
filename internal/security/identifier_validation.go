package security

import "regexp"

var (
	identRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	keyRegex   = regexp.MustCompile(`^[A-Za-z0-9_.:/\-]{1,200}$`)
)

// IsSafeIdentifier guards identifiers interpolated into SQL.
func IsSafeIdentifier(value string) bool {
	return identRegex.MatchString(value)
}

// IsSafeKey guards agent ids and variable keys used as storage keys.
func IsSafeKey(value string) bool {
	return keyRegex.MatchString(value)
}
