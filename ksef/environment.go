package ksef

import (
	"fmt"
	"strings"
)

// Environment selects which KSeF deployment the monitor talks to.
type Environment string

const (
	Production Environment = "prod"
	Demo       Environment = "demo"
	Test       Environment = "test"
)

var baseURLs = map[Environment]string{
	Production: "https://api.ksef.mf.gov.pl",
	Demo:       "https://api-demo.ksef.mf.gov.pl",
	Test:       "https://api-test.ksef.mf.gov.pl",
}

// ParseEnvironment accepts the environment tags used in configuration files.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production":
		return Production, nil
	case "demo":
		return Demo, nil
	case "test", "":
		return Test, nil
	default:
		return "", fmt.Errorf("[ParseEnvironment] unknown KSeF environment %q", s)
	}
}

// BaseURL returns the API root for env, without the version segment.
func BaseURL(env Environment) (string, error) {
	u, ok := baseURLs[env]
	if !ok {
		return "", fmt.Errorf("[BaseURL] unknown KSeF environment %q", env)
	}
	return u, nil
}
