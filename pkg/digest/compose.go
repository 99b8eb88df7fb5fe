package digest

import (
	"sort"
	"time"

	"github.com/mihaimyh/billingsync/pkg/billing"
)

// Digest is the content of one user's summary before rendering
type Digest struct {
	UserID string
	Email  string
	// Since is the previous watermark; nil on a first digest
	Since *time.Time
	Until time.Time

	Total   int
	Counts  []SeverityCount
	Tenants []TenantGroup
}

// SeverityCount is the number of notifications of one type, most severe first
type SeverityCount struct {
	Type  billing.NotificationType
	Count int
}

// TenantGroup holds one tenant's notifications grouped by type
type TenantGroup struct {
	TenantID string
	Total    int
	Types    []TypeGroup
}

// TypeGroup lists up to the configured number of items; Overflow counts the rest
type TypeGroup struct {
	Type     billing.NotificationType
	Items    []*billing.Notification
	Overflow int
}

// Compose groups notes by tenant then type. Tenants are ordered by id, types
// from most to least severe, items oldest first.
func Compose(pref *billing.DigestPreference, notes []*billing.Notification, until time.Time, maxItems int) *Digest {
	d := &Digest{
		UserID: pref.UserID,
		Email:  pref.Email,
		Since:  pref.LastSentAt,
		Until:  until,
		Total:  len(notes),
	}

	counts := make(map[billing.NotificationType]int)
	byTenant := make(map[string]map[billing.NotificationType][]*billing.Notification)
	for _, n := range notes {
		counts[n.Type]++
		types, ok := byTenant[n.TenantID]
		if !ok {
			types = make(map[billing.NotificationType][]*billing.Notification)
			byTenant[n.TenantID] = types
		}
		types[n.Type] = append(types[n.Type], n)
	}

	for t, c := range counts {
		d.Counts = append(d.Counts, SeverityCount{Type: t, Count: c})
	}
	sort.Slice(d.Counts, func(i, j int) bool { return moreSevere(d.Counts[i].Type, d.Counts[j].Type) })

	tenantIDs := make([]string, 0, len(byTenant))
	for id := range byTenant {
		tenantIDs = append(tenantIDs, id)
	}
	sort.Strings(tenantIDs)

	for _, id := range tenantIDs {
		group := TenantGroup{TenantID: id}
		for t, items := range byTenant[id] {
			sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
			tg := TypeGroup{Type: t, Items: items}
			if maxItems > 0 && len(items) > maxItems {
				tg.Items = items[:maxItems]
				tg.Overflow = len(items) - maxItems
			}
			group.Total += len(items)
			group.Types = append(group.Types, tg)
		}
		sort.Slice(group.Types, func(i, j int) bool { return moreSevere(group.Types[i].Type, group.Types[j].Type) })
		d.Tenants = append(d.Tenants, group)
	}
	return d
}

func moreSevere(a, b billing.NotificationType) bool {
	if a.Severity() != b.Severity() {
		return a.Severity() > b.Severity()
	}
	return a < b
}
