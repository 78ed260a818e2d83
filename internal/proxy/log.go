package proxy

import "github.com/sirupsen/logrus"

var log = logrus.WithField("component", "proxy")
