package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

const (
	topListSize   = 10
	salesDaysBack = 7
)

// DashboardServiceDeps wires the dependencies required by the dashboard service.
type DashboardServiceDeps struct {
	Orders repositories.OrderRepository
}

type dashboardService struct {
	orders repositories.OrderRepository
}

// NewDashboardService assembles the dashboard service.
func NewDashboardService(deps DashboardServiceDeps) (DashboardService, error) {
	if deps.Orders == nil {
		return nil, errors.New("dashboard service requires an order repository")
	}
	return &dashboardService{orders: deps.Orders}, nil
}

// Stats aggregates sales metrics over the current year. Orders still awaiting
// pix payment count towards status tallies but never towards revenue.
func (s *dashboardService) Stats(ctx context.Context, now time.Time) (DashboardStats, error) {
	now = now.UTC()
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		DateRange: domain.RangeQuery[time.Time]{From: &yearStart},
	})
	if err != nil {
		return DashboardStats{}, err
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -int(now.Weekday()))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	stats := DashboardStats{
		OrdersByStatus: map[string]int{},
		PaymentMethods: map[string]PaymentMethodStat{},
	}
	productTotals := map[string]*ProductStat{}
	customerTotals := map[string]*CustomerStat{}
	dailyRevenue := map[string]*DailySales{}
	buyersByWindow := [4]map[string]struct{}{{}, {}, {}, {}}

	var settledTotal int64
	var settledCount int64

	for _, order := range orders {
		stats.OrdersByStatus[string(order.Status)]++

		// pending.paid means money never arrived, same for cancelled and refunded.
		if !countsAsRevenue(order.Status) {
			continue
		}

		method := stats.PaymentMethods[string(order.PaymentMethod)]
		method.Orders++
		method.Total += order.Total
		stats.PaymentMethods[string(order.PaymentMethod)] = method

		settledTotal += order.Total
		settledCount++

		created := order.CreatedAt.UTC()
		if !created.Before(dayStart) {
			stats.Revenue.Today += order.Total
			stats.Orders.Today++
			buyersByWindow[0][order.UserID] = struct{}{}
		}
		if !created.Before(weekStart) {
			stats.Revenue.Week += order.Total
			stats.Orders.Week++
			buyersByWindow[1][order.UserID] = struct{}{}
		}
		if !created.Before(monthStart) {
			stats.Revenue.Month += order.Total
			stats.Orders.Month++
			buyersByWindow[2][order.UserID] = struct{}{}
		}
		stats.Revenue.Year += order.Total
		stats.Orders.Year++
		buyersByWindow[3][order.UserID] = struct{}{}

		for _, item := range order.Items {
			entry, ok := productTotals[item.ProductID]
			if !ok {
				entry = &ProductStat{ProductID: item.ProductID, Name: item.Name}
				productTotals[item.ProductID] = entry
			}
			entry.Units += int64(item.Quantity)
			entry.Revenue += item.UnitPrice * int64(item.Quantity)
		}

		customer, ok := customerTotals[order.UserID]
		if !ok {
			customer = &CustomerStat{UserID: order.UserID, Name: order.CustomerName}
			customerTotals[order.UserID] = customer
		}
		customer.Orders++
		customer.Total += order.Total

		if age := dayStart.Sub(time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC)); age >= 0 && age < salesDaysBack*24*time.Hour {
			day := created.Format("2006-01-02")
			daily, ok := dailyRevenue[day]
			if !ok {
				daily = &DailySales{Day: day}
				dailyRevenue[day] = daily
			}
			daily.Orders++
			daily.Revenue += order.Total
		}
	}

	stats.Customers = CustomerPeriodStats{
		Today: len(buyersByWindow[0]),
		Week:  len(buyersByWindow[1]),
		Month: len(buyersByWindow[2]),
		Year:  len(buyersByWindow[3]),
	}
	if settledCount > 0 {
		stats.AverageTicket = settledTotal / settledCount
	}
	for name, method := range stats.PaymentMethods {
		if settledTotal > 0 {
			method.Percent = math.Round(float64(method.Total)/float64(settledTotal)*10000) / 100
		}
		stats.PaymentMethods[name] = method
	}
	stats.TopProducts = topProducts(productTotals)
	stats.TopCustomers = topCustomers(customerTotals)
	stats.SalesByDay = salesSeries(dailyRevenue, dayStart)
	return stats, nil
}

func countsAsRevenue(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPaid, domain.OrderStatusPendingDelivery, domain.OrderStatusDelivered:
		return true
	default:
		return false
	}
}

// topProducts ranks by units sold so the list answers "what moves the most",
// with revenue breaking ties.
func topProducts(totals map[string]*ProductStat) []ProductStat {
	out := make([]ProductStat, 0, len(totals))
	for _, entry := range totals {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Units != out[j].Units {
			return out[i].Units > out[j].Units
		}
		if out[i].Revenue != out[j].Revenue {
			return out[i].Revenue > out[j].Revenue
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > topListSize {
		out = out[:topListSize]
	}
	return out
}

func topCustomers(totals map[string]*CustomerStat) []CustomerStat {
	out := make([]CustomerStat, 0, len(totals))
	for _, entry := range totals {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > topListSize {
		out = out[:topListSize]
	}
	return out
}

// salesSeries emits one bucket per day for the trailing week, oldest first,
// including empty days so charts stay continuous.
func salesSeries(daily map[string]*DailySales, dayStart time.Time) []DailySales {
	series := make([]DailySales, 0, salesDaysBack)
	for offset := salesDaysBack - 1; offset >= 0; offset-- {
		day := dayStart.AddDate(0, 0, -offset).Format("2006-01-02")
		if entry, ok := daily[day]; ok {
			series = append(series, *entry)
			continue
		}
		series = append(series, DailySales{Day: day})
	}
	return series
}
