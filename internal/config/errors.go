package config

import "errors"

// ErrInvalidSetting reports a settings value outside its allowed range.
var ErrInvalidSetting = errors.New("invalid setting")
