//go:build !linux

package wrapper

func setProcessName(string) {}
