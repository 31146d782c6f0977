package blockdev

import "errors"

var errNotTamperDetecting = errors.New("blockdev: device is not tamper-detecting")
