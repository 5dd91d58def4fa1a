//go:build !linux

package power

import "errors"

func systemInhibit() (InhibitFunc, error) {
	return nil, errors.New("no system inhibitor on this platform")
}
