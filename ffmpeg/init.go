// Package ffmpeg repairs acquired VODs by cutting their muted regions
// out with stream copies, and builds the relay invocation that plays
// them back out.
package ffmpeg

import "github.com/sirupsen/logrus"

var log *logrus.Logger

func Init(logger *logrus.Logger) error {
	log = logger.WithFields(logrus.Fields{
		"component": "repair",
	}).Logger
	return nil
}
