package vip

import (
	"time"

	"github.com/Seklfreak/robyul-referrals/joinlog"
	"github.com/Seklfreak/robyul-referrals/models"
	"github.com/bradfitz/slice"
	"github.com/pkg/errors"
)

// Stats summarizes the joins and conversions credited to one staff member.
func (m *Manager) Stats(staffID string) (models.VIPStaffStats, error) {
	stats := models.VIPStaffStats{StaffID: staffID}
	if m.joins != nil {
		records, err := m.joins.Records(joinlog.Filter{StaffID: staffID})
		if err != nil {
			return stats, errors.Wrap(err, "reading join records failed")
		}
		stats.TotalJoins = countUsers(records)
	}

	m.Lock()
	for _, request := range m.requests {
		if request.StaffID != staffID {
			continue
		}
		switch {
		case request.Status == models.VIPStatusApproved:
			stats.Conversions++
		case !request.Status.Terminal():
			stats.PendingRequests++
		}
	}
	m.Unlock()

	stats.ConversionRate = conversionRate(stats)
	return stats, nil
}

// Leaderboard returns the stats of every staff member with joins or requests, most joins first.
// A non zero since limits it to joins observed and requests created or closed from then on.
func (m *Manager) Leaderboard(since time.Time) ([]models.VIPStaffStats, error) {
	byStaff := make(map[string]*models.VIPStaffStats)
	entry := func(staffID string) *models.VIPStaffStats {
		stats, ok := byStaff[staffID]
		if !ok {
			stats = &models.VIPStaffStats{StaffID: staffID}
			byStaff[staffID] = stats
		}
		return stats
	}

	if m.joins != nil {
		records, err := m.joins.Records(joinlog.Filter{Since: since})
		if err != nil {
			return nil, errors.Wrap(err, "reading join records failed")
		}
		perStaff := make(map[string][]models.JoinRecord)
		for _, record := range records {
			if record.StaffID != "" {
				perStaff[record.StaffID] = append(perStaff[record.StaffID], record)
			}
		}
		for staffID, staffRecords := range perStaff {
			entry(staffID).TotalJoins = countUsers(staffRecords)
		}
	}

	m.Lock()
	for _, request := range m.requests {
		if request.StaffID == "" || !activeSince(*request, since) {
			continue
		}
		switch {
		case request.Status == models.VIPStatusApproved:
			entry(request.StaffID).Conversions++
		case !request.Status.Terminal():
			entry(request.StaffID).PendingRequests++
		}
	}
	m.Unlock()

	result := make([]models.VIPStaffStats, 0, len(byStaff))
	for _, stats := range byStaff {
		stats.ConversionRate = conversionRate(*stats)
		result = append(result, *stats)
	}
	slice.Sort(result, func(i, j int) bool {
		if result[i].TotalJoins != result[j].TotalJoins {
			return result[i].TotalJoins > result[j].TotalJoins
		}
		if result[i].Conversions != result[j].Conversions {
			return result[i].Conversions > result[j].Conversions
		}
		return result[i].StaffID < result[j].StaffID
	})
	return result, nil
}

func activeSince(request models.VIPRequest, since time.Time) bool {
	if since.IsZero() {
		return true
	}
	if request.ClosedAt != nil {
		return !request.ClosedAt.Before(since)
	}
	return !request.CreatedAt.Before(since)
}

// countUsers counts distinct users, a member who left and rejoined is one join.
func countUsers(records []models.JoinRecord) int {
	users := make(map[string]bool, len(records))
	for _, record := range records {
		users[record.UserID] = true
	}
	return len(users)
}

func conversionRate(stats models.VIPStaffStats) float64 {
	if stats.TotalJoins == 0 {
		return 0
	}
	return float64(stats.Conversions) / float64(stats.TotalJoins)
}
