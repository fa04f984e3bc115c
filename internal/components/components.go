// Package components defines the sample classes served by servhost.
//
// The exported methods on each class (InitRecord, VerifyRecord, InitArray,
// VerifyArray) are the business surface the classes offer to callers. The
// server only manages instance lifetime through the activation API; invoking
// these methods remotely is not part of servhost.
package components

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/log"
)

var (
	// LibraryID identifies the shared interface library.
	LibraryID = guid.MustParse("{07D2AEE5-1DF8-4D2C-953A-554ADFD25F99}")
	// RecordParamTestID identifies the record parameter test class.
	RecordParamTestID = guid.MustParse("{5E78C9A8-4C19-4285-BCD6-3FFBBA5B17A8}")
	// SafearrayParamTestID identifies the array parameter test class.
	SafearrayParamTestID = guid.MustParse("{091D762E-FF4B-4532-8B24-23807FE873C3}")
)

// Library is the interface library shared by both classes.
var Library = catalog.Library{
	ID:       LibraryID,
	Name:     "Servhost Test Server Library",
	Version:  "1.0",
	FileName: "server.tlb",
}

// Default builds the catalog of every class in this package.
func Default() (*catalog.Catalog, error) {
	return catalog.New(Library,
		catalog.Entry{
			Record: catalog.Record{
				Identity:                 RecordParamTestID,
				FriendlyName:             "Servhost component for record parameter tests",
				ProgID:                   "Servhost.RecordParamTest.1",
				VersionIndependentProgID: "Servhost.RecordParamTest",
				LibraryID:                LibraryID,
			},
			Activate: func(context.Context) (catalog.Instance, error) {
				return NewRecordParamTest(), nil
			},
		},
		catalog.Entry{
			Record: catalog.Record{
				Identity:                 SafearrayParamTestID,
				FriendlyName:             "Servhost component for array parameter tests",
				ProgID:                   "Servhost.SafearrayParamTest.1",
				VersionIndependentProgID: "Servhost.SafearrayParamTest",
				LibraryID:                LibraryID,
			},
			Activate: func(context.Context) (catalog.Instance, error) {
				return NewSafearrayParamTest(), nil
			},
		},
	)
}

// instance carries the release bookkeeping shared by the classes.
type instance struct {
	class    string
	released atomic.Bool
}

func (i *instance) Release() error {
	if !i.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already released", i.class)
	}
	log.Debug(log.CatActivation, "instance released", "class", i.class)
	return nil
}

// Released reports whether Release has been called.
func (i *instance) Released() bool {
	return i.released.Load()
}

// StructRecord is the record passed to and from RecordParamTest.
type StructRecord struct {
	Question string  `json:"question"`
	Answer   int32   `json:"answer"`
	Needle   float64 `json:"needle"`
}

// RecordParamTest fills and verifies records.
type RecordParamTest struct {
	instance
}

// NewRecordParamTest returns a live instance.
func NewRecordParamTest() *RecordParamTest {
	return &RecordParamTest{instance: instance{class: "RecordParamTest"}}
}

// InitRecord fills r with the well-known values.
func (*RecordParamTest) InitRecord(r *StructRecord) {
	r.Question = "The meaning of life, the universe and everything?"
	r.Answer = 42
	r.Needle = 3.14
}

// VerifyRecord reports whether r holds the well-known values, and returns a
// copy with Answer doubled.
func (o *RecordParamTest) VerifyRecord(r StructRecord) (StructRecord, bool) {
	var want StructRecord
	o.InitRecord(&want)
	ok := r == want
	r.Answer *= 2
	return r, ok
}

// SafearrayParamTest fills and verifies arrays.
type SafearrayParamTest struct {
	instance
}

// NewSafearrayParamTest returns a live instance.
func NewSafearrayParamTest() *SafearrayParamTest {
	return &SafearrayParamTest{instance: instance{class: "SafearrayParamTest"}}
}

// InitArray returns the well-known array.
func (*SafearrayParamTest) InitArray() []float64 {
	return []float64{0, 1, 2}
}

// VerifyArray reports whether a holds the well-known values, and returns a
// copy with every element doubled.
func (o *SafearrayParamTest) VerifyArray(a []float64) ([]float64, bool) {
	want := o.InitArray()
	ok := len(a) == len(want)
	out := make([]float64, len(a))
	for i, v := range a {
		if ok && v != want[i] {
			ok = false
		}
		out[i] = v * 2
	}
	return out, ok
}
