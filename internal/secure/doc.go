// Package secure keeps freshly minted credential material in encrypted,
// mlocked memory between the moment IAM returns it and the moment it is
// written into the cluster's root secret.
package secure
