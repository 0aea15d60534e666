// Package classifier is the boundary to the remote threat classifier.
// Classifier has one capability, Classify(metrics) -> Score; HTTPClassifier
// is the network client, Static and Heuristic are local stand-ins. Monitor
// feeds samples through a classifier and deploys a trap burst through the
// hash workers when the score reaches the configured threshold.
package classifier
