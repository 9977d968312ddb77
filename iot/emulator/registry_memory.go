// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is a Registry held in memory
type MemoryRegistry struct {
	mutex        sync.RWMutex
	certificates map[string]*Certificate
	tokens       map[string]string
	things       map[string]*Thing
	reports      map[string][]StoredReport
}

// NewMemoryRegistry returns an empty MemoryRegistry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		certificates: make(map[string]*Certificate),
		tokens:       make(map[string]string),
		things:       make(map[string]*Thing),
		reports:      make(map[string][]StoredReport),
	}
}

// PutCertificate implements Registry
func (r *MemoryRegistry) PutCertificate(ctx context.Context, cert *Certificate) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	c := *cert
	r.certificates[c.ID] = &c
	if c.OwnershipToken != "" {
		r.tokens[c.OwnershipToken] = c.ID
	}
	return nil
}

// CertificateByID implements Registry
func (r *MemoryRegistry) CertificateByID(ctx context.Context, id string) (*Certificate, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	c, ok := r.certificates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

// ConsumeOwnershipToken implements Registry
func (r *MemoryRegistry) ConsumeOwnershipToken(ctx context.Context, token string, now time.Time) (*Certificate, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	id, ok := r.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	delete(r.tokens, token)
	c, ok := r.certificates[id]
	if !ok || now.After(c.TokenExpiresAt) {
		return nil, ErrInvalidToken
	}
	c.OwnershipToken = ""
	cc := *c
	return &cc, nil
}

// RegisterThing implements Registry
func (r *MemoryRegistry) RegisterThing(ctx context.Context, thing *Thing) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	t := *thing
	if existing, ok := r.things[t.Name]; ok {
		t.CreatedAt = existing.CreatedAt
		t.LastReportID = existing.LastReportID
	}
	r.things[t.Name] = &t
	for _, c := range r.certificates {
		if c.ThingName == t.Name && c.ID != t.CertificateID {
			c.ThingName = ""
		}
	}
	if c, ok := r.certificates[t.CertificateID]; ok {
		c.ThingName = t.Name
	}
	return nil
}

// Thing implements Registry
func (r *MemoryRegistry) Thing(ctx context.Context, name string) (*Thing, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	t, ok := r.things[name]
	if !ok {
		return nil, ErrNotFound
	}
	tt := *t
	return &tt, nil
}

// Things implements Registry
func (r *MemoryRegistry) Things(ctx context.Context) ([]Thing, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	things := make([]Thing, 0, len(r.things))
	for _, t := range r.things {
		things = append(things, *t)
	}
	sort.Slice(things, func(i, j int) bool { return things[i].Name < things[j].Name })
	return things, nil
}

// PutReport implements Registry
func (r *MemoryRegistry) PutReport(ctx context.Context, report *StoredReport) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	t, ok := r.things[report.ThingName]
	if !ok {
		return ErrNotFound
	}
	if report.ReportID <= t.LastReportID {
		return ErrDuplicateReport
	}
	t.LastReportID = report.ReportID
	r.reports[report.ThingName] = append(r.reports[report.ThingName], *report)
	return nil
}

// Reports implements Registry
func (r *MemoryRegistry) Reports(ctx context.Context, thingName string, limit int) ([]StoredReport, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if _, ok := r.things[thingName]; !ok {
		return nil, ErrNotFound
	}
	stored := r.reports[thingName]
	n := len(stored)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]StoredReport, 0, n)
	for i := len(stored) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, stored[i])
	}
	return result, nil
}
