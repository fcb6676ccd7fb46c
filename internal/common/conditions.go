package common

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kvcd-project/kvcd-operator/api/v1"
)

// ReadyTrue returns a condition that indicates the vApp matches its spec
func ReadyTrue(message string) metav1.Condition {
	return metav1.Condition{
		Type:               v1.TypeReady,
		Status:             metav1.ConditionTrue,
		LastTransitionTime: metav1.Now(),
		Reason:             v1.ReasonReconciled,
		Message:            message,
	}
}

// ReadyFalse returns a condition that indicates the vApp is not converged
func ReadyFalse(reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:               v1.TypeReady,
		Status:             metav1.ConditionFalse,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	}
}

// ReadyUnknown returns a condition that indicates the vApp readiness is unknown,
// typically while a retry is pending
func ReadyUnknown(reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:               v1.TypeReady,
		Status:             metav1.ConditionUnknown,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	}
}

// Synced returns a condition that indicates the backing state was refreshed from the platform
func Synced(message string) metav1.Condition {
	return metav1.Condition{
		Type:               v1.TypeSynced,
		Status:             metav1.ConditionTrue,
		LastTransitionTime: metav1.Now(),
		Reason:             v1.ReasonReconciled,
		Message:            message,
	}
}

// NotSynced returns a condition that indicates the last refresh did not complete
func NotSynced(reason, message string) metav1.Condition {
	return metav1.Condition{
		Type:               v1.TypeSynced,
		Status:             metav1.ConditionFalse,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	}
}
