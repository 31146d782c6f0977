package config

import "errors"

var (
	ErrFileNotFound = errors.New("config: file not found")
	ErrFileRead     = errors.New("config: cannot read file")
	ErrInvalid      = errors.New("config: invalid")
	ErrMainPathEmpty = errors.New("config: main_device_path cannot be empty")
	ErrSuperPathEmpty = errors.New("config: super_device_path cannot be empty")
	ErrBlockSizeInvalid = errors.New("config: block_size must be a positive power of two")
	ErrReservedFractionInvalid = errors.New("config: reserved_fraction must be in [0,1)")
)
