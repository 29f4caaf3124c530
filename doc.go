/*
Command moxreport sends DMARC reports on behalf of a mail server.

  - Accumulates DMARC evaluations of incoming messages in windows per policy
    domain and published DMARC record.
  - Sends aggregate reports when a window is due, to report addresses that
    have been verified in DNS.
  - Sends rate-limited failure reports for messages that fail DMARC.
  - Report addresses can be suppressed, e.g. after delivery failures.

The SMTP server hands the DMARC verdict of each incoming message to a running
"moxreport serve" over the unix domain socket "ctl" in the data directory, as
a "process" command followed by the verdict as JSON. "moxreport dmarc process"
does the same for a verdict on stdin.

Reports are written to a queue directory, from where the delivery pipeline of
the mail server picks them up.

# Commands

	moxreport [-config moxreport.conf] [-loglevel level] ...
	moxreport serve
	moxreport config test
	moxreport config describe >moxreport.conf
	moxreport dmarc lookup domain
	moxreport dmarc checkreportaddrs domain
	moxreport dmarc parsereport file ...
	moxreport dmarc process <verdict.json
	moxreport dmarc windows
	moxreport dmarc deliver domain policyhash due
	moxreport dmarc suppress list
	moxreport dmarc suppress add [-duration duration] [-comment text] address
	moxreport dmarc suppress remove id
	moxreport dmarc suppress extend id duration
	moxreport queue list
	moxreport queue drop uid
	moxreport version
	moxreport help [command ...]

# Configuration

Print an annotated example configuration with "moxreport config describe".
Values for reports, like the interval for aggregate reports and the from
address, are expressions evaluated per policy domain, so they can differ
between domains. For example:

	Reporting:
		DMARCAggregate:
			Send: domain endsWith ".example" ? "never" : "daily"
			OrgName: "Example Mail"
			Address: "dmarc-reports@" + hostname
		DMARCFailure:
			Send: "1/1d"
*/
package main
