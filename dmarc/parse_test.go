package dmarc

import (
	"reflect"
	"testing"
)

func TestParseBad(t *testing.T) {
	// ../rfc/7489:3224
	bad := []string{
		"",
		"v=",
		"v=DMARC12",                     // "2" leftover
		"v=DMARC1",                      // semicolon required
		"v=dmarc1; p=none",              // dmarc1 is case-sensitive
		"v=DMARC1 p=none",               // missing ;
		"v=DMARC1;",                     // missing p, no rua
		"v=DMARC1; sp=invalid",          // invalid sp, no rua
		"v=DMARC1; sp=reject; p=reject", // p must be directly after v
		"v=DMARC1; p=none; p=none",
		"v=DMARC1; p=none; P=reject",
		"v=DMARC1;;",
		"v=DMARC1; adkim=x",
		"v=DMARC1; aspf=123",
		"v=DMARC1; ri=",
		"v=DMARC1; ri=-1",
		"v=DMARC1; ri=99999999999999999999999999999999999999",
		"v=DMARC1; ri=123bad",
		"v=DMARC1; fo=",
		"v=DMARC1; fo=01",
		"v=DMARC1; fo=d:",
		"v=DMARC1; rf=bad-trailing-dash-",
		"v=DMARC1; rf=",
		"v=DMARC1; p=badvalue",
		"v=DMARC1; pct=110",
		"v=DMARC1; pct=",
		"v=DMARC1; rua=",
		"v=DMARC1; rua=bogus",
		"v=DMARC1; rua=mailto:dmarc@example.com!",
		"v=DMARC1; rua=mailto:dmarc@example.com!99999999999999999999999999999999999999999",
		"v=DMARC1; rua=mailto:dmarc@example.com!10p",
	}
	for _, s := range bad {
		if _, _, err := ParseRecord(s); err == nil {
			t.Fatalf("parsing %q: got success, expected error", s)
		}
	}
}

func TestParse(t *testing.T) {
	// Record with default values, and the fields set in r.
	record := func(r Record) Record {
		rr := DefaultRecord
		rr.Policy = r.Policy
		rr.AggregateReportAddresses = r.AggregateReportAddresses
		rr.FailureReportAddresses = r.FailureReportAddresses
		if r.FailureReportingOptions != nil {
			rr.FailureReportingOptions = r.FailureReportingOptions
		}
		if r.Percentage != 0 {
			rr.Percentage = r.Percentage
		}
		return rr
	}

	feedback := URI{Address: "mailto:dmarc-feedback@example.com"}
	thirdparty := URI{Address: "mailto:tld-test@thirdparty.example.net", MaxSize: 10, Unit: "m"}

	tests := []struct {
		txt string
		exp Record
	}{
		// No or invalid policy, but usable for aggregate reports. ../rfc/7489:1407
		{"v=DMARC1; rua=mailto:dmarc-feedback@example.com", record(Record{Policy: "none", AggregateReportAddresses: []URI{feedback}})},
		{"v=DMARC1; p=reject; sp=invalid; rua=mailto:dmarc-feedback@example.com", record(Record{Policy: "none", AggregateReportAddresses: []URI{feedback}})},

		{"v=DMARC1; p=none; rua=mailto:dmarc-feedback@example.com;ruf=mailto:auth-reports@example.com",
			record(Record{
				Policy:                   "none",
				AggregateReportAddresses: []URI{feedback},
				FailureReportAddresses:   []URI{{Address: "mailto:auth-reports@example.com"}},
			}),
		},
		{"v=DMARC1; p=quarantine; rua=mailto:dmarc-feedback@example.com,mailto:tld-test@thirdparty.example.net!10m; pct=25",
			record(Record{Policy: "quarantine", AggregateReportAddresses: []URI{feedback, thirdparty}, Percentage: 25}),
		},
		// Report addresses keep their case, also at the end of the record.
		{"v=DMARC1; p=none; ruf=mailto:Reports@Example.com; fo=D:s; rua=mailto:Agg@Example.com",
			record(Record{
				Policy:                   "none",
				AggregateReportAddresses: []URI{{Address: "mailto:Agg@Example.com"}},
				FailureReportAddresses:   []URI{{Address: "mailto:Reports@Example.com"}},
				FailureReportingOptions:  []string{"d", "s"},
			}),
		},

		{"V = DMARC1 ; P = reject ;\tSP=none; unknown \t=\t ignored-future-value \t ; adkim=s; aspf=s; rua=mailto:dmarc-feedback@example.com  ,\t\tmailto:tld-test@thirdparty.example.net!10m; RUF=mailto:auth-reports@example.com  ,\t\tmailto:tld-test@thirdparty.example.net!0G; RI = 123; FO = 0:1:d:s ; RF= afrf : other; Pct = 0",
			Record{
				Version:                    "DMARC1",
				Policy:                     "reject",
				SubdomainPolicy:            "none",
				ADKIM:                      "s",
				ASPF:                       "s",
				AggregateReportAddresses:   []URI{feedback, thirdparty},
				FailureReportAddresses:     []URI{{Address: "mailto:auth-reports@example.com"}, {Address: "mailto:tld-test@thirdparty.example.net", Unit: "g"}},
				AggregateReportingInterval: 123,
				FailureReportingOptions:    []string{"0", "1", "d", "s"},
				ReportingFormat:            []string{"afrf", "other"},
				Percentage:                 0,
			},
		},
	}
	for _, tc := range tests {
		r, isdmarc, err := ParseRecord(tc.txt)
		if err != nil || !isdmarc {
			t.Fatalf("parsing %q: isdmarc %v, err %v", tc.txt, isdmarc, err)
		}
		if !reflect.DeepEqual(r, &tc.exp) {
			t.Fatalf("parsing %q, got:\n%#v\nexpected:\n%#v", tc.txt, r, &tc.exp)
		}
	}
}

func TestParseNoRequired(t *testing.T) {
	r, isdmarc, err := ParseRecordNoRequired("v=DMARC1; rua=mailto:dmarc@example.org!1k")
	if err != nil || !isdmarc {
		t.Fatalf("parsing opt-in record: isdmarc %v, err %v", isdmarc, err)
	}
	if r.Policy != "" || len(r.AggregateReportAddresses) != 1 || r.AggregateReportAddresses[0].MaxBytes() != 1024 {
		t.Fatalf("unexpected record %#v", r)
	}

	_, isdmarc, err = ParseRecord("v=spf1 -all")
	if err == nil || isdmarc {
		t.Fatalf("spf record: isdmarc %v, err %v, expected not dmarc", isdmarc, err)
	}
}

