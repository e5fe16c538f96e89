// Package testutil provides testing utilities, fixtures and a mock clock
// for the fanz-secure packages: valid configuration values, JWT minting and
// small assertion helpers.
package testutil
