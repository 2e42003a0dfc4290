// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cert

import (
	"fmt"
	"time"

	"github.com/google/go-spdm-attest/der"
	"go.uber.org/multierr"
)

// Date is a UTC calendar date and time with second precision, as carried in a validity period.
type Date struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// DateOf converts a time to a Date in UTC.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return Date{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// Time converts d to a time.Time in UTC.
func (d Date) Time() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, d.Hour, d.Minute, d.Second, 0, time.UTC)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02dZ", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
}

// Compare returns -1, 0, or 1 when d is before, equal to, or after o.
func (d Date) Compare(o Date) int {
	a := [6]int{d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second}
	b := [6]int{o.Year, o.Month, o.Day, o.Hour, o.Minute, o.Second}
	for i := range a {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysIn(month, year int) int {
	switch month {
	case 2:
		if isLeap(year) {
			return 29
		}
		return 28
	case 4, 6, 9, 11:
		return 30
	}
	return 31
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %d outside [%d, %d]", name, v, lo, hi)
	}
	return nil
}

// Validate checks every field against its calendar range.
func (d Date) Validate() error {
	if err := checkRange("month", d.Month, 1, 12); err != nil {
		// The day bound depends on the month.
		return multierr.Combine(err, checkRange("year", d.Year, 0, 9999))
	}
	return multierr.Combine(
		checkRange("year", d.Year, 0, 9999),
		checkRange("day", d.Day, 1, daysIn(d.Month, d.Year)),
		checkRange("hour", d.Hour, 0, 23),
		checkRange("minute", d.Minute, 0, 59),
		checkRange("second", d.Second, 0, 59),
	)
}

func digits(s []byte) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q in time", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// parseDate decodes the value of a UTCTime or GeneralizedTime in the Zulu second-precision forms
// YYMMDDhhmmssZ and YYYYMMDDhhmmssZ.
func parseDate(tag byte, v []byte) (Date, error) {
	var d Date
	var rest []byte
	switch tag {
	case der.TagUTCTime:
		if len(v) != 13 {
			return d, fmt.Errorf("UTCTime of %d bytes, want 13", len(v))
		}
		yy, err := digits(v[:2])
		if err != nil {
			return d, err
		}
		// RFC 5280: YY >= 50 is 19YY, otherwise 20YY.
		if yy >= 50 {
			d.Year = 1900 + yy
		} else {
			d.Year = 2000 + yy
		}
		rest = v[2:]
	case der.TagGeneralizedTime:
		if len(v) != 15 {
			return d, fmt.Errorf("GeneralizedTime of %d bytes, want 15", len(v))
		}
		yyyy, err := digits(v[:4])
		if err != nil {
			return d, err
		}
		d.Year = yyyy
		rest = v[4:]
	default:
		return d, fmt.Errorf("tag 0x%02x is not a time", tag)
	}
	if rest[len(rest)-1] != 'Z' {
		return d, fmt.Errorf("time does not end in Z")
	}
	fields := []*int{&d.Month, &d.Day, &d.Hour, &d.Minute, &d.Second}
	for i, f := range fields {
		n, err := digits(rest[2*i : 2*i+2])
		if err != nil {
			return d, err
		}
		*f = n
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// encodeDate returns the tag and value used to carry d: UTCTime through 2049 and
// GeneralizedTime from 2050 on.
func encodeDate(d Date) (byte, []byte, error) {
	if err := d.Validate(); err != nil {
		return 0, nil, err
	}
	if d.Year >= 1950 && d.Year < 2050 {
		s := fmt.Sprintf("%02d%02d%02d%02d%02d%02dZ", d.Year%100, d.Month, d.Day, d.Hour, d.Minute, d.Second)
		return der.TagUTCTime, []byte(s), nil
	}
	s := fmt.Sprintf("%04d%02d%02d%02d%02d%02dZ", d.Year, d.Month, d.Day, d.Hour, d.Minute, d.Second)
	return der.TagGeneralizedTime, []byte(s), nil
}
