package socket

import "github.com/atdiar/restfuncs/errcode"

// Bootstrap runs fn under this connection's shared singleflight.Group,
// keyed by name, implementing SingleRetryableOperation (spec.md §4.5):
// concurrent callers of the same named fetch ({welcomeInfo,
// httpSecurityProperties, cookieSession, corsReadToken}) share one
// in-flight call; golang.org/x/sync/singleflight.Group already forgets a
// key as soon as its call returns (success or failure), so the next
// caller after a failure naturally retries from scratch rather than
// replaying the cached error. A failure is returned wrapped as
// errcode.ConcurrentInit, the same error for every caller that shared it.
func (c *Connection) Bootstrap(name string, fn func() (any, error)) (any, error) {
	v, err, _ := c.bootstrap.Do(name, fn)
	if err != nil {
		return v, errcode.Wrap(errcode.ConcurrentInit, err)
	}
	return v, nil
}
