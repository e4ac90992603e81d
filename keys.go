package main

import "strings"

// DeriveKey swaps the first occurrence of sourcePrefix in key for destPrefix.
// Keys without sourcePrefix are returned unchanged.
func DeriveKey(key, sourcePrefix, destPrefix string) string {
	if sourcePrefix == "" {
		return key
	}
	return strings.Replace(key, sourcePrefix, destPrefix, 1)
}
