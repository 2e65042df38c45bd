// Package version holds the proxy's version string, used both by the
// session controller's client-name login parameter and the CLI's
// --version flag.
package version

// Version identifies this build in upstream login handshakes
// ("Proxy_<Version>", spec §4.C) and in the --version CLI output.
const Version = "1.0.0"
