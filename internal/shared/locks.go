package shared

import "fmt"

// OrderLockKey builds the redis key guarding invoice creation for an order.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("billing:order:%d:lock", orderID)
}

// ReportCacheKey builds the redis key of a cached invoice report.
func ReportCacheKey(invoiceID int64, version int64) string {
	return fmt.Sprintf("billing:report:%d:v%d", invoiceID, version)
}
