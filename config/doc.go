/*
Package config holds the configuration file definitions.

moxreport uses a single configuration file, moxreport.conf. It is read at
startup and never reloaded. Expressions in the file are compiled when it is
loaded, a syntax error in an expression is a configuration error.

An "empty" config file, generated from the config file definitions in the
source code, along with comments explaining the fields, is printed by
"moxreport config describe".

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

	DataDir: data
	LogLevel: info
	Hostname: mail.example.org
	MetricsListen: localhost:8010
	Reporting:
		DMARCAggregate:
			Send: domain endsWith ".example" ? "hourly" : "daily"
			OrgName: "Example Org"
			Address: "dmarc-reports@" + hostname
		DMARCFailure:
			Send: "1/1d"
*/
package config
