//go:build !linux

package debugger

func attachErrorMessage(pid int, err error) error {
	return err
}

func verifyBinaryFormat(exePath string) error {
	return nil
}
