// Package errutil contains methods to simplify working with errors
package errutil

import "io"

// Close closes the closer and sets *err to the close error if *err
// is nil
func Close(c io.Closer, err *error) {
	e := c.Close()
	if *err == nil && e != nil {
		*err = e
	}
}
