package models

// OperationType tags what a job does. The set is closed; workers dispatch on it through a registry.
type OperationType string

const (
	OpProvisionProxy    OperationType = "provision_proxy"
	OpDeprovisionProxy  OperationType = "deprovision_proxy"
	OpRenewSubscription OperationType = "renew_subscription"
	OpSyncPanelUsage    OperationType = "sync_panel_usage"
	OpVerifyPayment     OperationType = "verify_payment"
	OpRotateCredentials OperationType = "rotate_credentials"
	OpSendNotification  OperationType = "send_notification"
	OpCollectMetrics    OperationType = "collect_metrics"
)

// OperationTypes lists every known operation in a stable order.
var OperationTypes = []OperationType{
	OpProvisionProxy,
	OpDeprovisionProxy,
	OpRenewSubscription,
	OpSyncPanelUsage,
	OpVerifyPayment,
	OpRotateCredentials,
	OpSendNotification,
	OpCollectMetrics,
}

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}
