package utils

import "errors"

var ErrShortBuffer = errors.New("buffer shorter than structure")
