package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/moxreport/config"
	"github.com/mjl-/moxreport/dmarc"
	"github.com/mjl-/moxreport/dmarcdb"
	"github.com/mjl-/moxreport/dmarcrpt"
	"github.com/mjl-/moxreport/dns"
	"github.com/mjl-/moxreport/mlog"
	"github.com/mjl-/moxreport/mox-"
	"github.com/mjl-/moxreport/moxvar"
	"github.com/mjl-/moxreport/queue"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"dmarc lookup", cmdDMARCLookup},
	{"dmarc checkreportaddrs", cmdDMARCCheckreportaddrs},
	{"dmarc parsereport", cmdDMARCParsereport},
	{"dmarc process", cmdDMARCProcess},
	{"dmarc windows", cmdDMARCWindows},
	{"dmarc deliver", cmdDMARCDeliver},
	{"dmarc suppress list", cmdDMARCSuppressList},
	{"dmarc suppress add", cmdDMARCSuppressAdd},
	{"dmarc suppress remove", cmdDMARCSuppressRemove},
	{"dmarc suppress extend", cmdDMARCSuppressExtend},
	{"queue list", cmdQueueList},
	{"queue drop", cmdQueueDrop},
	{"version", cmdVersion},
	{"help", cmdHelp},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("moxreport "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "moxreport " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "moxreport " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# moxreport %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "moxreport [-config moxreport.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"moxreport"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var loglevel string // Empty will be interpreted as info.

// subcommands that are not "serve" should use this function to load the config, it
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig() {
	mox.MustLoadConfig()
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
}

func main() {
	ctxbg := context.Background()
	mox.Shutdown = ctxbg
	mox.Context = ctxbg

	log.SetFlags(0)

	flag.StringVar(&mox.ConfigStaticPath, "config", envString("MOXREPORTCONF", filepath.FromSlash("config/moxreport.conf")), "configuration file, relative paths in it are resolved against its directory, defaults to $MOXREPORTCONF with a fallback to config/moxreport.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mox.Conf.Log[""] = level
		mlog.SetConfig(mox.Conf.Log)
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("moxreport "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing %s %q", what, s)
	return d
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := mox.ParseConfig(context.Background(), c.log, mox.ConfigStaticPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">moxreport.conf"
	c.help = `Prints an annotated empty configuration for use as moxreport.conf.

The configuration file cannot be reloaded while moxreport is running. It has
to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func dnssecStatus(v bool) string {
	if v {
		return "with dnssec"
	}
	return "without dnssec"
}

func cmdDMARCLookup(c *cmd) {
	c.params = "domain"
	c.help = "Lookup dmarc policy for domain, a DNS TXT record at _dmarc.<domain>, validate and print it, including the failure reporting condition."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	fromdomain := xparseDomain(args[0], "domain")
	_, domain, record, txt, authentic, err := dmarc.Lookup(context.Background(), c.log, dns.StrictResolver{}, fromdomain)
	xcheckf(err, "dmarc lookup domain %s", fromdomain)
	fmt.Printf("dmarc record at domain %s: %s\n", domain, txt)
	fmt.Printf("(%s)\n", dnssecStatus(authentic))
	fmt.Printf("policy hash %d, failure reports on %q\n", record.Hash(), record.ReportOn())
}

func cmdDMARCCheckreportaddrs(c *cmd) {
	c.params = "domain"
	c.help = `For each reporting address in the domain's DMARC record, check if it has opted into receiving reports (if needed).

A DMARC record can request reports about DMARC evaluations to be sent to an
email address. If the organizational domains of that of the DMARC record and
that of the report destination address do not match, the destination address
must opt-in to receiving DMARC reports by creating a DMARC record at
<dmarcdomain>._report._dmarc.<reportdestdomain>. The printed recipients are
those reports would be sent to.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	dom := xparseDomain(args[0], "domain")
	resolver := dns.StrictResolver{}
	_, domain, record, txt, authentic, err := dmarc.Lookup(context.Background(), c.log, resolver, dom)
	xcheckf(err, "dmarc lookup domain %s", dom)
	fmt.Printf("dmarc record at domain %s: %q\n", domain, txt)
	fmt.Printf("(%s)\n", dnssecStatus(authentic))

	a := dmarcdb.NewDNSAuthorizer(resolver)
	check := func(kind string, uris []dmarc.URI) {
		rcpts, ok := a.Verify(context.Background(), c.log, domain, uris, kind == "ruf")
		if !ok {
			fmt.Printf("%s: could not verify addresses due to temporary DNS error\n", kind)
			return
		}
		if len(rcpts) == 0 {
			fmt.Printf("%s: no authorized addresses\n", kind)
		}
		for _, r := range rcpts {
			if r.MaxSize > 0 {
				fmt.Printf("%s: %s (max size %d bytes)\n", kind, r.Address, r.MaxSize)
			} else {
				fmt.Printf("%s: %s\n", kind, r.Address)
			}
		}
	}
	check("rua", record.AggregateReportAddresses)
	check("ruf", record.FailureReportAddresses)
}

func cmdDMARCParsereport(c *cmd) {
	c.params = "file ..."
	c.help = `Parse DMARC aggregate reports in XML files, optionally gzipped, and print their details.

Useful for inspecting reports generated by moxreport, as delivered in the
queue, or reports received from others.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	for _, arg := range args {
		f, err := os.Open(arg)
		xcheckf(err, "open %q", arg)
		var feedback *dmarcrpt.Feedback
		if strings.HasSuffix(arg, ".gz") {
			feedback, err = dmarcrpt.ParseReportGzip(f)
		} else {
			feedback, err = dmarcrpt.ParseReport(f)
		}
		f.Close()
		xcheckf(err, "parse report in %q", arg)
		meta := feedback.ReportMetadata
		fmt.Printf("Report: period %s-%s, organisation %q, reportID %q, %s\n", time.Unix(meta.DateRange.Begin, 0).UTC().String(), time.Unix(meta.DateRange.End, 0).UTC().String(), meta.OrgName, meta.ReportID, meta.Email)
		if len(meta.Errors) > 0 {
			fmt.Printf("Errors:\n")
			for _, s := range meta.Errors {
				fmt.Printf("\t- %s\n", s)
			}
		}
		pol := feedback.PolicyPublished
		fmt.Printf("Policy: domain %q, policy %q, subdomainpolicy %q, dkim %q, spf %q, percentage %d, options %q\n", pol.Domain, pol.Policy, pol.SubdomainPolicy, pol.ADKIM, pol.ASPF, pol.Percentage, pol.ReportingOptions)
		for _, record := range feedback.Records {
			idents := record.Identifiers
			fmt.Printf("\theaderfrom %q, envelopes from %q, to %q\n", idents.HeaderFrom, idents.EnvelopeFrom, idents.EnvelopeTo)
			eval := record.Row.PolicyEvaluated
			var reasons string
			for _, reason := range eval.Reasons {
				reasons += "; " + string(reason.Type)
				if reason.Comment != "" {
					reasons += fmt.Sprintf(": %q", reason.Comment)
				}
			}
			fmt.Printf("\tresult %s: dkim %s, spf %s; sourceIP %s, count %d%s\n", eval.Disposition, eval.DKIM, eval.SPF, record.Row.SourceIP, record.Row.Count, reasons)
			for _, dkim := range record.AuthResults.DKIM {
				var result string
				if dkim.HumanResult != "" {
					result = fmt.Sprintf(": %q", dkim.HumanResult)
				}
				fmt.Printf("\t\tdkim %s; domain %q selector %q%s\n", dkim.Result, dkim.Domain, dkim.Selector, result)
			}
			for _, spf := range record.AuthResults.SPF {
				fmt.Printf("\t\tspf %s; domain %q scope %q\n", spf.Result, spf.Domain, spf.Scope)
			}
		}
	}
}

// openReporter opens the dmarc window store and suppression list. The stores
// are locked while "moxreport serve" runs.
func openReporter(c *cmd) *dmarcdb.Reporter {
	mustLoadConfig()
	r, err := dmarcdb.Open(context.Background(), c.log, mox.DataDirPath("dmarcdb"), mox.Conf.Static.Reporting, mox.Conf.Static.HostnameDomain)
	xcheckf(err, "opening dmarc database (is moxreport serve running?)")
	r.UserAgent = "moxreport/" + moxvar.Version
	return r
}

func cmdDMARCWindows(c *cmd) {
	c.help = `List windows with accumulated DMARC evaluations.

A window holds the evaluations for a policy domain and published DMARC record
until its due time, when an aggregate report is sent and the window removed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	r := openReporter(c)
	defer r.Close()

	l, err := r.Windows(context.Background())
	xcheckf(err, "listing windows")
	fmt.Printf("%-30s %-20s %-20s %-20s %s\n", "Domain", "Policy hash", "Begin", "Due", "Evaluations")
	for _, w := range l {
		fmt.Printf("%-30s %-20d %-20s %-20s %d\n", w.Domain, w.PolicyHash, w.Begin.UTC().Format(time.DateTime), w.Due.UTC().Format(time.DateTime), w.Evaluations)
	}
}

func cmdDMARCDeliver(c *cmd) {
	c.params = "domain policyhash due"
	c.help = `Generate and send the aggregate report for a window now, and remove the window.

The window is identified by the values printed by "moxreport dmarc windows".
Due is in "yyyy-mm-dd hh:mm:ss" format, in UTC, as one argument.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	hash, err := strconv.ParseUint(args[1], 10, 64)
	xcheckf(err, "parsing policy hash")
	due, err := time.ParseInLocation(time.DateTime, args[2], time.UTC)
	xcheckf(err, "parsing due time")
	w := dmarcdb.Window{Domain: xparseDomain(args[0], "domain").ASCII, PolicyHash: hash, Due: due}

	r := openReporter(c)
	defer r.Close()
	q := openQueue(c)
	defer q.Close()

	resolver := dns.NewCachingResolver(dns.StrictResolver{}, mox.Conf.Static.DNS.CacheSize, mox.Conf.Static.DNS.CacheTTL)
	r.Authorizer = dmarcdb.NewDNSAuthorizer(resolver)
	r.Transmitter = q
	r.DeliverWindow(context.Background(), c.log, w)
}

func cmdDMARCSuppressList(c *cmd) {
	c.help = "List reporting addresses for which outgoing DMARC reports are suppressed."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	r := openReporter(c)
	defer r.Close()

	l, err := r.SuppressList(context.Background())
	xcheckf(err, "listing suppressed addresses")
	fmt.Printf("%-6s %-40s %-20s %s\n", "ID", "Address", "Until", "Comment")
	for _, sa := range l {
		fmt.Printf("%-6d %-40s %-20s %s\n", sa.ID, sa.ReportingAddress, sa.Until.UTC().Format(time.DateTime), sa.Comment)
	}
}

func cmdDMARCSuppressAdd(c *cmd) {
	c.params = "[-duration duration] [-comment text] address"
	c.help = "Suppress outgoing DMARC reports to address for a period."
	var duration time.Duration
	var comment string
	c.flag.DurationVar(&duration, "duration", 31*24*time.Hour, "period to suppress reports for")
	c.flag.StringVar(&comment, "comment", "", "reason for suppressing")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	r := openReporter(c)
	defer r.Close()

	sa := dmarcdb.SuppressAddress{ReportingAddress: args[0], Until: time.Now().Add(duration), Comment: comment}
	err := r.SuppressAdd(context.Background(), &sa)
	xcheckf(err, "adding suppressed address")
	fmt.Printf("suppressed, id %d\n", sa.ID)
}

func cmdDMARCSuppressRemove(c *cmd) {
	c.params = "id"
	c.help = "Remove a reporting address from the suppression list."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing id")
	r := openReporter(c)
	defer r.Close()

	err = r.SuppressRemove(context.Background(), id)
	xcheckf(err, "removing suppressed address")
}

func cmdDMARCSuppressExtend(c *cmd) {
	c.params = "id duration"
	c.help = "Set the end of the suppression period for a reporting address to now plus duration."
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing id")
	d, err := time.ParseDuration(args[1])
	xcheckf(err, "parsing duration")
	r := openReporter(c)
	defer r.Close()

	err = r.SuppressUpdate(context.Background(), id, time.Now().Add(d))
	xcheckf(err, "updating suppressed address")
}

func openQueue(c *cmd) *queue.Queue {
	q, err := queue.Open(context.Background(), c.log, mox.DataDirPath("queue"))
	xcheckf(err, "opening queue")
	return q
}

func cmdQueueList(c *cmd) {
	c.help = `List report messages in the queue.

Messages are picked up from the queue by the delivery pipeline, which removes
them after delivery.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	q := openQueue(c)
	defer q.Close()

	l, err := q.List(context.Background())
	xcheckf(err, "listing queue")
	for _, m := range l {
		kind := "failure"
		if m.IsAggregate {
			kind = "aggregate"
		}
		fmt.Printf("%s %s %s from %s to %s, %d bytes, %s\n", m.UID, m.Queued.UTC().Format(time.DateTime), kind, m.From, strings.Join(m.Recipients, ","), m.Size, q.MessagePath(m))
	}
}

func cmdQueueDrop(c *cmd) {
	c.params = "uid"
	c.help = "Remove a message from the queue without delivering it."
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()
	q := openQueue(c)
	defer q.Close()

	err := q.Drop(context.Background(), c.log, args[0])
	xcheckf(err, "dropping message")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this moxreport version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(moxvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
