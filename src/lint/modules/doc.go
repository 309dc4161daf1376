// Package modules contains the built-in image validation modules.
// Import this package to register all modules via their init() functions.
package modules
