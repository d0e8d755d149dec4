/*
Package config loads manager configuration from YAML with environment
overrides.

Precedence, lowest to highest: built-in defaults, the YAML file passed
on the command line, MANAGER_* environment variables. Load validates
the merged result and returns a typed error for anything the manager
cannot run with.
*/
package config
