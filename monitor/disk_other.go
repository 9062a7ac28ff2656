//go:build !unix

package monitor

func diskPercent(string) (float64, error) {
	return 0, nil
}
