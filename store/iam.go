package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// iamClient narrows *iam.Client to the single call PreflightIAM needs,
// kept from the teacher's IAMClient interface.
type iamClient interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// requiredBackupActions are the IAM actions a backup principal must hold
// against the target bucket, per spec §4.1's preflight permission check.
var requiredBackupActions = []string{
	"s3:PutObject",
	"s3:GetObject",
	"s3:ListBucket",
	"s3:DeleteObject",
}

// PreflightIAM simulates the given principal's policy against the
// resources required for a backup or restore run, returning the actions
// that would be denied. Grounded on aws.IAMClientImpl.SimulatePrincipalPolicy,
// kept from the teacher's permission-preflight pattern and generalized from
// a fixed DynamoDB+S3 action set to the object-store action set this
// module needs.
func PreflightIAM(ctx context.Context, client iamClient, principalArn string, resourceArns []string) ([]string, error) {
	out, err := client.SimulatePrincipalPolicy(ctx, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: aws.String(principalArn),
		ActionNames:     requiredBackupActions,
		ResourceArns:    resourceArns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate principal policy: %w", err)
	}

	var denied []string
	for _, result := range out.EvaluationResults {
		if result.EvalDecision != types.PolicyEvaluationDecisionTypeAllowed {
			denied = append(denied, aws.ToString(result.EvalActionName))
		}
	}
	return denied, nil
}
