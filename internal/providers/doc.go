// Package providers implements the AWS and cluster clients the rotation
// runs against.
package providers
