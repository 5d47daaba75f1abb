package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// FatalConfigError reports configuration that prevents startup.
type FatalConfigError struct {
	Problems []error
}

func (e *FatalConfigError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func (e *FatalConfigError) Unwrap() []error {
	return e.Problems
}

// IsFatal reports whether err is or wraps a *FatalConfigError.
func IsFatal(err error) bool {
	var fatal *FatalConfigError
	return errors.As(err, &fatal)
}

func fatalf(format string, args ...interface{}) error {
	return &FatalConfigError{Problems: []error{fmt.Errorf(format, args...)}}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
