package meetings

import (
	"fmt"
	"strings"

	"github.com/veriface/callguard/internal/models"
)

// Pass thresholds for a persisted snapshot.
const (
	LivenessThreshold  = 0.40 // minimum liveness score
	DeepfakeThreshold  = 0.50 // maximum deepfake score
	FaceMatchThreshold = 0.40 // maximum face embedding distance
)

// applyVerdict fills IsPass and FailureReason once all three scores are known.
func applyVerdict(v *models.VerificationResult) {
	if v.LivenessScore == nil || v.DeepfakeScore == nil || v.FaceMatchScore == nil {
		return
	}
	var reasons []string
	if *v.LivenessScore < LivenessThreshold {
		reasons = append(reasons, fmt.Sprintf("Liveness Low (%.2f)", *v.LivenessScore))
	}
	if *v.DeepfakeScore > DeepfakeThreshold {
		reasons = append(reasons, fmt.Sprintf("Deepfake Detected (%.2f)", *v.DeepfakeScore))
	}
	if *v.FaceMatchScore > FaceMatchThreshold {
		reasons = append(reasons, fmt.Sprintf("Face Mismatch (%.2f)", *v.FaceMatchScore))
	}
	pass := len(reasons) == 0
	v.IsPass = &pass
	if pass {
		v.FailureReason = "NA"
	} else {
		v.FailureReason = strings.Join(reasons, ", ")
	}
}
