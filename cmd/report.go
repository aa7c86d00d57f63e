package cmd

import (
	log "github.com/sirupsen/logrus"

	"magicscan/scan"
)

// report 逐条输出扫描结果直到通道关闭,返回开放的socket数量
func report(logger log.FieldLogger, results <-chan scan.ScanResult) int {
	open := 0
	for result := range results {
		if result.Open {
			open++
		}
		logger.Info(result.String())
	}
	return open
}
