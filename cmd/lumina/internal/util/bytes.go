// Copyright (C) 2026 Lumina AI (dev@luminalocal.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides small shared helpers for the lumina CLI:
// byte formatting and terminal progress rendering.
package util

import "fmt"

// FormatBytes converts a byte count to a human-readable string.
//
// # Description
//
// Uses binary units (1 KB = 1024 bytes), one decimal place above KB.
//
// # Examples
//
//	FormatBytes(1024)       // "1.0 KB"
//	FormatBytes(1073741824) // "1.0 GB"
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// FormatRate converts bytes per second to a human-readable transfer rate.
// Returns "-- MB/s" for zero or negative rates.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "-- MB/s"
	}
	return FormatBytes(int64(bytesPerSec)) + "/s"
}
