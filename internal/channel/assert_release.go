//go:build !chdebug

package channel

const debugAssertions = false
