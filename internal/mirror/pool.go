package mirror

import (
	"fmt"
	"regexp"
)

// Pool tokens are lower-case and underscore-free so that the compound
// pool id "service_region" can be split unambiguously.
var poolTokenRegexp = regexp.MustCompile(`^[a-z0-9-]{1,22}$`)

// Pool identifies a single cache: one service mirrored into one region.
type Pool struct {
	Service string
	Region  string
}

func NewPool(service string, region string) (Pool, error) {
	if !poolTokenRegexp.MatchString(service) {
		return Pool{}, fmt.Errorf("service %q doesn't match %q", service,
			poolTokenRegexp.String())
	}

	if !poolTokenRegexp.MatchString(region) {
		return Pool{}, fmt.Errorf("region %q doesn't match %q", region,
			poolTokenRegexp.String())
	}

	return Pool{
		Service: service,
		Region:  region,
	}, nil
}

func (pool Pool) ID() string {
	return pool.Service + "_" + pool.Region
}
