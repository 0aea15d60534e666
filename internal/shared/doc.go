// Package shared holds helpers used across the defence engine packages that
// belong to no single domain. Test helpers live in shared/testutil.
package shared
