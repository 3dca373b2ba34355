//go:build windows || plan9

package audit

import "fmt"

// NewSysLogger is unavailable on platforms without a syslog daemon.
func NewSysLogger(tag string) (Logger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on this platform")
}
