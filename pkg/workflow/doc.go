/*
Package workflow drives the deployment state machine.

The coordinator owns the DeploymentRecord: phases and strategies write
their own rows through the audit gateway, but only the coordinator
mutates deployment status. Transitions follow a fixed table
(Pending, Scanning, Building, Deploying, Verifying, then one of the
terminal states) and every transition publishes a StatusChanged event.
Three orderings are load-bearing:

  - previous_image_tag is persisted before the promote step can
    obscure it;
  - buffered health samples flush before any terminal transition;
  - the terminal StatusChanged is the last action for a deployment;
    nothing is written for that id afterwards.

Retryable phase failures leave the record non-terminal and tell the
worker to redeliver; a lost instance lock marks the deployment Failed
without acking so the queue delivers the job again.
*/
package workflow
