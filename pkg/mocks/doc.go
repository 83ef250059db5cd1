// Package mocks provides testify mocks of entropy interfaces.
package mocks
