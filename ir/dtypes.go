// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// SupportedDTypes lists the dtypes that can be used in a Program.
var SupportedDTypes = []dtypes.DType{
	dtypes.Bool,
	dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float16, dtypes.Float32, dtypes.Float64,
}

// IsSupportedDType returns whether dtype can be used in a Program.
func IsSupportedDType(dtype dtypes.DType) bool {
	for _, supported := range SupportedDTypes {
		if supported == dtype {
			return true
		}
	}
	return false
}

var dtypeAliases = map[string]dtypes.DType{
	"f16": dtypes.Float16, "f32": dtypes.Float32, "f64": dtypes.Float64,
	"i8": dtypes.Int8, "i16": dtypes.Int16, "i32": dtypes.Int32, "i64": dtypes.Int64,
	"u8": dtypes.Uint8, "u16": dtypes.Uint16, "u32": dtypes.Uint32, "u64": dtypes.Uint64,
	"int": dtypes.Int32, "float": dtypes.Float32, "half": dtypes.Float16, "double": dtypes.Float64,
}

// DTypeFromName parses a dtype name, case-insensitive ("float32", "Float32" or "f32").
// Only SupportedDTypes are recognized.
func DTypeFromName(name string) (dtypes.DType, bool) {
	if dtype, found := dtypeAliases[strings.ToLower(name)]; found {
		return dtype, true
	}
	for _, dtype := range SupportedDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, true
		}
	}
	return dtypes.InvalidDType, false
}

// isIntDType includes unsigned ints, but not Bool.
func isIntDType(dtype dtypes.DType) bool {
	return dtype.IsInt() || dtype.IsUnsigned()
}
