//go:build chdebug

package channel

const debugAssertions = true
